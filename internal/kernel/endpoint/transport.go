package endpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ocapkernel/vatkernel/internal/kerr"
	"github.com/ocapkernel/vatkernel/internal/vlog"
)

// Transport is the wire-level half of spec §6's kernel<->worker stream:
// one exclusive reader and one exclusive writer per endpoint, as required
// by §5's resource model.
type Transport interface {
	// Deliver sends one delivery request and blocks for its response,
	// collecting any syscalls the vat issues as notifications before
	// replying. id is used as the JSON-RPC correlation id.
	Deliver(ctx context.Context, id string, d Delivery) (CrankOutcome, []Syscall, error)
	Close() error
}

type wireRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
	ID     string          `json:"id"`
}

type wireMessage struct {
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	ID     string          `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

// WSTransport is the gorilla/websocket-backed Transport: the concrete
// framed channel behind spec §6's "bidirectional framed channel".
type WSTransport struct {
	conn *websocket.Conn
	mu   sync.Mutex // serializes writes; reads happen only from Deliver's own goroutine
	log  vlog.Logger
}

func NewWSTransport(conn *websocket.Conn, endpointID string) *WSTransport {
	return &WSTransport{conn: conn, log: vlog.Root().New("component", "endpoint-transport", "endpoint", endpointID)}
}

func (w *WSTransport) Close() error { return w.conn.Close() }

func (w *WSTransport) writeJSON(v interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(v)
}

// deliveryParams renders d in the tagged-tuple wire shape of spec §6:
// ["message", vref, {methargs,result?}] | ["notify", [[kpid,rejected,data],...]]
// | ["dropExports"|"retireExports"|"retireImports", [vref,...]] | ["bringOutYourDead"].
func deliveryParams(d Delivery) (json.RawMessage, error) {
	switch d.Kind {
	case DeliverMessage:
		payload := map[string]interface{}{"methargs": d.Methargs}
		if d.HasResult {
			payload["result"] = d.Result
		}
		return json.Marshal([]interface{}{"message", d.Target, payload})
	case DeliverNotify:
		rows := make([][3]interface{}, len(d.Resolutions))
		for i, r := range d.Resolutions {
			rows[i] = [3]interface{}{r.Kpid, r.Rejected, r.Data}
		}
		return json.Marshal([]interface{}{"notify", rows})
	case DeliverDropExports:
		return json.Marshal([]interface{}{"dropExports", d.VRefs})
	case DeliverRetireExports:
		return json.Marshal([]interface{}{"retireExports", d.VRefs})
	case DeliverRetireImports:
		return json.Marshal([]interface{}{"retireImports", d.VRefs})
	case DeliverBringOutYourDead:
		return json.Marshal([]interface{}{"bringOutYourDead"})
	default:
		return nil, fmt.Errorf("unknown delivery kind %v", d.Kind)
	}
}

type deliverResult struct {
	Sets    map[string]string `json:"-"`
	Deletes []string          `json:"-"`
}

// Deliver writes a "deliver" request and reads frames until the matching
// response arrives, treating every intervening frame as a syscall
// notification (spec §6: "notifications from vat ... are one-ways").
func (w *WSTransport) Deliver(ctx context.Context, id string, d Delivery) (CrankOutcome, []Syscall, error) {
	params, err := deliveryParams(d)
	if err != nil {
		return CrankOutcome{}, nil, err
	}
	req := wireRequest{Method: "deliver", Params: params, ID: id}
	if err := w.writeJSON(req); err != nil {
		return CrankOutcome{}, nil, kerr.Wrap(kerr.DeliveryError, err, "write deliver request")
	}

	var syscalls []Syscall
	for {
		select {
		case <-ctx.Done():
			return CrankOutcome{}, syscalls, kerr.Wrap(kerr.DeliveryError, ctx.Err(), "deliver cancelled")
		default:
		}
		var frame wireMessage
		if err := w.conn.ReadJSON(&frame); err != nil {
			return CrankOutcome{}, syscalls, kerr.Wrap(kerr.DeliveryError, err, "read delivery frame")
		}
		if frame.ID == "" && frame.Method != "" {
			sc, err := decodeSyscall(frame.Method, frame.Params)
			if err != nil {
				w.log.Warn("malformed syscall frame, treating as delivery error", "method", frame.Method, "err", err)
				return CrankOutcome{}, syscalls, kerr.Wrap(kerr.DeliveryError, err, "malformed syscall")
			}
			syscalls = append(syscalls, sc)
			continue
		}
		if frame.ID != id {
			w.log.Warn("dropping frame with unexpected id", "got", frame.ID, "want", id)
			continue
		}
		if len(frame.Error) > 0 {
			return CrankOutcome{Abort: true, ConsumeMessage: false}, syscalls, kerr.New(kerr.DeliveryError, string(frame.Error))
		}
		outcome, err := decodeOutcome(frame.Result)
		if err != nil {
			return CrankOutcome{}, syscalls, err
		}
		return outcome, syscalls, nil
	}
}

// decodeOutcome parses the [[sets,deletes], deliveryError|null] response
// shape of spec §6 into a CrankOutcome. A present deliveryError aborts the
// crank and re-queues the message (spec §5 cancellation rule).
func decodeOutcome(raw json.RawMessage) (CrankOutcome, error) {
	var pair [2]json.RawMessage
	if err := json.Unmarshal(raw, &pair); err != nil {
		return CrankOutcome{}, kerr.Wrap(kerr.DeliveryError, err, "decode delivery result")
	}
	var diff [2]json.RawMessage
	if err := json.Unmarshal(pair[0], &diff); err != nil {
		return CrankOutcome{}, kerr.Wrap(kerr.DeliveryError, err, "decode vatstore diff")
	}
	var sets map[string]string
	if err := json.Unmarshal(diff[0], &sets); err != nil {
		return CrankOutcome{}, kerr.Wrap(kerr.DeliveryError, err, "decode vatstore sets")
	}
	var deletes []string
	if err := json.Unmarshal(diff[1], &deletes); err != nil {
		return CrankOutcome{}, kerr.Wrap(kerr.DeliveryError, err, "decode vatstore deletes")
	}
	var deliveryErr *string
	if err := json.Unmarshal(pair[1], &deliveryErr); err != nil {
		return CrankOutcome{}, kerr.Wrap(kerr.DeliveryError, err, "decode delivery error slot")
	}
	if deliveryErr != nil {
		return CrankOutcome{Abort: true, ConsumeMessage: false}, kerr.New(kerr.DeliveryError, *deliveryErr)
	}
	return CrankOutcome{VatstoreSets: sets, VatstoreDeletes: deletes}, nil
}

func decodeSyscall(method string, params json.RawMessage) (Syscall, error) {
	switch method {
	case "send":
		return decodeSend(params)
	case "subscribe":
		return decodeSubscribe(params)
	case "resolve":
		return decodeResolve(params)
	case "exit":
		return decodeExit(params)
	case "dropImports":
		return decodeVRefList(params, SyscallDropImports)
	case "retireImports":
		return decodeVRefList(params, SyscallRetireImports)
	case "retireExports":
		return decodeVRefList(params, SyscallRetireExports)
	case "abandonExports":
		return decodeVRefList(params, SyscallAbandonExports)
	default:
		return Syscall{}, fmt.Errorf("unknown syscall method %q", method)
	}
}

// newCorrelationID mints a fresh JSON-RPC id; callers outside a request
// path (e.g. ImmediateEnqueue-triggered deliveries) still need a unique id
// to match the eventual response frame.
func newCorrelationID() string { return uuid.NewString() }
