package offline0

import (
	"context"
	"errors"
	"fmt"
)

// Control message types sent by the host page.
const (
	MessageSkipWaiting = "SKIP_WAITING"
	MessageGetVersion  = "GET_VERSION"
	MessageSync        = "SYNC"
)

var ErrUnknownMessage = errors.New("unknown message type")

type Message struct {
	Type string `json:"type"`
	Tag  string `json:"tag,omitempty"`
}

type Reply struct {
	OK      bool   `json:"ok,omitempty"`
	Version string `json:"version,omitempty"`
	Type    string `json:"type,omitempty"`
	Message string `json:"message,omitempty"`
}

func (w *Worker) HandleMessage(ctx context.Context, m Message) (Reply, error) {
	switch m.Type {
	case MessageSkipWaiting:
		if err := w.SkipWaiting(ctx); err != nil {
			return Reply{}, err
		}
		return Reply{OK: true}, nil
	case MessageGetVersion:
		return Reply{Version: w.Version()}, nil
	case MessageSync:
		if m.Tag != SyncTagBackground {
			return Reply{OK: true}, nil
		}
		if _, err := w.SyncContent(ctx); err != nil {
			return Reply{}, err
		}
		return Reply{Type: "SYNC_COMPLETE", Message: "Background sync completed successfully"}, nil
	default:
		return Reply{}, fmt.Errorf("%w: %q", ErrUnknownMessage, m.Type)
	}
}
