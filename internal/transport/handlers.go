package transport

import (
	"context"

	"github.com/netwatch/agent/internal/dispatch"
	"github.com/netwatch/agent/internal/events"
)

// Auth outcome and stream control keep only the latest subscriber; commands
// fan out to every service.

func (c *Client) OnAuthSuccess(fn func(events.AuthSuccessPayload)) {
	dispatch.On(c.reg, events.AuthSuccess, dispatch.Single, fn)
}

func (c *Client) OnAuthError(fn func(events.AuthErrorPayload)) {
	dispatch.On(c.reg, events.AuthError, dispatch.Single, fn)
}

// OnCommand subscribes fn to every command frame. Subscribers filter by
// the command tag themselves.
func (c *Client) OnCommand(fn func(events.CommandPayload)) {
	dispatch.On(c.reg, events.Command, dispatch.Multi, fn)
}

func (c *Client) OnStartScreenStream(fn func(events.StartScreenStreamPayload)) {
	dispatch.On(c.reg, events.StartScreenStream, dispatch.Single, fn)
}

func (c *Client) OnStopScreenStream(fn func()) {
	dispatch.On(c.reg, events.StopScreenStream, dispatch.Single, func(events.Empty) { fn() })
}

func (c *Client) OnCaptureScreenshot(fn func()) {
	dispatch.On(c.reg, events.CaptureScreenshot, dispatch.Single, func(events.Empty) { fn() })
}

func (c *Client) OnFileTransfer(fn func(events.FileTransferPayload)) {
	dispatch.On(c.reg, events.FileTransfer, dispatch.Single, fn)
}

func (c *Client) OnListDirectory(fn func(events.ListDirectoryPayload)) {
	dispatch.On(c.reg, events.ListDirectory, dispatch.Single, fn)
}

// SendCommandResponse answers command id. Empty response or errMsg are
// omitted from the payload.
func (c *Client) SendCommandResponse(ctx context.Context, id string, success bool, response, errMsg string) error {
	p := events.CommandResponsePayload{CommandID: id, Success: success}
	if response != "" {
		p.Response = &response
	}
	if errMsg != "" {
		p.Error = &errMsg
	}
	return c.Emit(ctx, events.CommandResponse, p)
}

func (c *Client) SendProcessList(ctx context.Context, procs []events.ProcessInfo) error {
	if procs == nil {
		procs = []events.ProcessInfo{}
	}
	return c.Emit(ctx, events.ProcessList, events.ProcessListPayload{Processes: procs})
}

func (c *Client) SendDirectoryListing(ctx context.Context, p events.DirectoryListingPayload) error {
	if p.Entries == nil {
		p.Entries = []events.DirectoryEntry{}
	}
	return c.Emit(ctx, events.DirectoryListing, p)
}

func (c *Client) SendFileContent(ctx context.Context, p events.FileContentPayload) error {
	return c.Emit(ctx, events.FileContent, p)
}

func (c *Client) SendFileTransferProgress(ctx context.Context, transferID string, progress uint32, transferred uint64) error {
	return c.Emit(ctx, events.FileTransferProgress, events.FileTransferProgressPayload{
		TransferID:       transferID,
		Progress:         progress,
		BytesTransferred: transferred,
	})
}
