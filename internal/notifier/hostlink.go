package notifier

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/openbmc-go/pel-manager/internal/pel"
	"github.com/openbmc-go/pel-manager/internal/transport"
)

// Platform host-link service method names. There is no protoc-generated
// stub for this service (see internal/transport's package doc); these are
// invoked directly against the gRPC connection through the JSON codec.
const (
	methodSend      = "/pel.hostlink.v1.HostLink/Send"
	methodAckStream = "/pel.hostlink.v1.HostLink/AckStream"
)

type sendRequest struct {
	Blob []byte `json:"blob"`
}

type sendResponse struct {
	Outcome string `json:"outcome"` // "ok", "full", or "bad"
}

type ackMessage struct {
	PELID uint32 `json:"pelId"`
}

var ackStreamDesc = grpc.StreamDesc{
	StreamName:    "AckStream",
	ServerStreams: true,
}

// GRPCHostLink is the gRPC-backed HostLink implementation talking to the
// platform host-link service, per SPEC_FULL.md §5.
type GRPCHostLink struct {
	conn *grpc.ClientConn
	log  *zap.Logger
	acks chan uint32
	stop chan struct{}
}

// DialHostLink connects to the host-link service at target and starts the
// background ack-stream reader.
func DialHostLink(target string, log *zap.Logger) (*GRPCHostLink, error) {
	conn, err := transport.Dial(target)
	if err != nil {
		return nil, err
	}
	h := &GRPCHostLink{
		conn: conn,
		log:  log,
		acks: make(chan uint32, 32),
		stop: make(chan struct{}),
	}
	go h.streamAcks()
	return h, nil
}

// Send encodes p and invokes the host-link service's unary Send method.
func (h *GRPCHostLink) Send(ctx context.Context, p *pel.PEL) (SendOutcome, error) {
	blob, err := p.Encode()
	if err != nil {
		return SendBad, fmt.Errorf("hostlink: encode before send: %w", err)
	}

	var resp sendResponse
	if err := transport.Invoke(ctx, h.conn, methodSend, &sendRequest{Blob: blob}, &resp); err != nil {
		return SendOK, err // synchronous transport failure: caller treats as sendFail, not sendBad
	}

	switch resp.Outcome {
	case "ok":
		return SendOK, nil
	case "full":
		return SendFull, nil
	case "bad":
		return SendBad, nil
	default:
		return SendBad, fmt.Errorf("hostlink: unrecognized outcome %q", resp.Outcome)
	}
}

// Acks returns the channel of host-acked pel-ids.
func (h *GRPCHostLink) Acks() <-chan uint32 { return h.acks }

// Close stops the ack-stream reader and closes the underlying connection.
func (h *GRPCHostLink) Close() error {
	close(h.stop)
	return h.conn.Close()
}

// streamAcks holds the host-link service's server-streaming AckStream RPC
// open for the life of the connection, reconnecting with a short backoff
// on any stream error — acks are a best-effort out-of-band feed, not
// something the notifier can request a replay of.
func (h *GRPCHostLink) streamAcks() {
	for {
		select {
		case <-h.stop:
			return
		default:
		}

		if err := h.runAckStream(); err != nil {
			h.log.Warn("hostlink: ack stream error, reconnecting", zap.Error(err))
			select {
			case <-time.After(2 * time.Second):
			case <-h.stop:
				return
			}
		}
	}
}

func (h *GRPCHostLink) runAckStream() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-h.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	stream, err := h.conn.NewStream(ctx, &ackStreamDesc, methodAckStream, grpc.CallContentSubtype(transport.CodecName))
	if err != nil {
		return fmt.Errorf("hostlink: open ack stream: %w", err)
	}
	if err := stream.SendMsg(&struct{}{}); err != nil {
		return fmt.Errorf("hostlink: open ack stream request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("hostlink: close ack stream send side: %w", err)
	}

	for {
		var msg ackMessage
		if err := stream.RecvMsg(&msg); err != nil {
			return err
		}
		select {
		case h.acks <- msg.PELID:
		case <-h.stop:
			return nil
		}
	}
}
