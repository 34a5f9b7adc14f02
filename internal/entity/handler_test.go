package entity

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/relaycore/eventrt/internal/sandbox"
	"github.com/relaycore/eventrt/internal/storelog"
)

// fakeInstance is a bank-account aggregate implemented directly in Go,
// standing in for a compiled WASM module so the entity handler's
// replay/dispatch/eviction logic can be tested without one on hand.
type fakeInstance struct {
	balance int
	opened  bool
	closed  bool

	handleErr error // if set, Handle always fails with this error
}

type openedPayload struct{ Initial int }
type depositedPayload struct{ Amount int }

func (f *fakeInstance) Apply(eventType string, payload []byte, ctx sandbox.Context) error {
	switch eventType {
	case "OpenedAccount":
		f.opened = true
		f.balance = decodeAmount(payload)
	case "Deposited":
		f.balance += decodeAmount(payload)
	case "Withdrawn":
		f.balance -= decodeAmount(payload)
	default:
		return &sandbox.UnknownEventError{Type: eventType}
	}
	return nil
}

func (f *fakeInstance) Handle(command string, payload []byte, ctx sandbox.Context) ([]sandbox.EventOut, error) {
	if f.handleErr != nil {
		return nil, f.handleErr
	}
	switch command {
	case "OpenAccount":
		return []sandbox.EventOut{{Type: "OpenedAccount", Payload: payload}}, nil
	case "Deposit":
		return []sandbox.EventOut{{Type: "Deposited", Payload: payload}}, nil
	case "Withdraw":
		amount := decodeAmount(payload)
		if amount > f.balance {
			return nil, &sandbox.CommandError{Msg: "insufficient funds"}
		}
		return []sandbox.EventOut{{Type: "Withdrawn", Payload: payload}}, nil
	default:
		return nil, &sandbox.UnknownCommandError{Name: command}
	}
}

func (f *fakeInstance) Close(ctx context.Context) error {
	f.closed = true
	return nil
}

func decodeAmount(payload []byte) int {
	n := 0
	for _, b := range payload {
		n = n*10 + int(b-'0')
	}
	return n
}

func amountPayload(n int) []byte {
	if n == 0 {
		return []byte("0")
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return digits
}

func openTestEngine(t *testing.T) *storelog.Engine {
	t.Helper()
	eng, err := storelog.Open(filepath.Join(t.TempDir(), "eventrt.db"))
	if err != nil {
		t.Fatalf("storelog.Open: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	return eng
}

func mustSubmit(t *testing.T, h *Handler, cmd Command) Result {
	t.Helper()
	select {
	case res := <-h.Submit(cmd):
		return res
	case <-time.After(2 * time.Second):
		t.Fatalf("Submit(%s) timed out", cmd.Name)
		return Result{}
	}
}

func TestHandlerOpenDepositWithdraw(t *testing.T) {
	eng := openTestEngine(t)
	h, err := newWithInstance(context.Background(), "bank", "a1", eng, &fakeInstance{}, Options{})
	if err != nil {
		t.Fatalf("newWithInstance: %v", err)
	}
	defer h.Close()

	res := mustSubmit(t, h, Command{Name: "OpenAccount", Payload: amountPayload(100)})
	if res.Err != nil || len(res.Events) != 1 {
		t.Fatalf("OpenAccount: res = %+v", res)
	}
	if res.Events[0].StreamID != 0 {
		t.Fatalf("OpenAccount stream id = %d, want 0", res.Events[0].StreamID)
	}

	res = mustSubmit(t, h, Command{Name: "Deposit", Payload: amountPayload(50)})
	if res.Err != nil || res.Events[0].StreamID != 1 {
		t.Fatalf("Deposit: res = %+v", res)
	}

	res = mustSubmit(t, h, Command{Name: "Withdraw", Payload: amountPayload(200)})
	if res.Err == nil {
		t.Fatalf("Withdraw(200): expected insufficient-funds error")
	}
	if _, ok := res.Err.(*sandbox.CommandError); !ok {
		t.Fatalf("Withdraw(200) err = %T, want *sandbox.CommandError", res.Err)
	}

	if h.Version() != 1 {
		t.Fatalf("Version() = %d, want 1 (failed withdraw must not advance it)", h.Version())
	}
}

func TestHandlerReplayRebuildsState(t *testing.T) {
	eng := openTestEngine(t)
	h, err := newWithInstance(context.Background(), "bank", "a2", eng, &fakeInstance{}, Options{})
	if err != nil {
		t.Fatalf("newWithInstance: %v", err)
	}
	mustSubmit(t, h, Command{Name: "OpenAccount", Payload: amountPayload(100)})
	mustSubmit(t, h, Command{Name: "Deposit", Payload: amountPayload(50)})
	h.Close()

	replayed := &fakeInstance{}
	h2, err := newWithInstance(context.Background(), "bank", "a2", eng, replayed, Options{})
	if err != nil {
		t.Fatalf("newWithInstance (replay): %v", err)
	}
	defer h2.Close()

	if !replayed.opened || replayed.balance != 150 {
		t.Fatalf("replayed state = %+v, want opened=true balance=150", replayed)
	}
	if h2.Version() != 1 {
		t.Fatalf("Version() after replay = %d, want 1", h2.Version())
	}
}

func TestHandlerEvictsOnUnknownEventDuringReplay(t *testing.T) {
	eng := openTestEngine(t)
	name, _ := storelog.New("bank", "a3")
	if _, err := eng.Stream(name).Write(storelog.NoStream(), []storelog.Message{
		storelog.NewEvent("SomethingTheFakeDoesNotKnow", nil, storelog.Metadata{}),
	}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	_, err := newWithInstance(context.Background(), "bank", "a3", eng, &fakeInstance{}, Options{})
	if err == nil {
		t.Fatalf("expected replay to fail on unknown event")
	}
	if _, ok := err.(*sandbox.UnknownEventError); !ok {
		t.Fatalf("replay err = %T, want *sandbox.UnknownEventError", err)
	}
}

func TestHandlerEvictsOnDeserializeEventError(t *testing.T) {
	eng := openTestEngine(t)
	h, err := newWithInstance(context.Background(), "bank", "a4", eng, &fakeInstance{
		handleErr: &sandbox.DeserializeEventError{Msg: "boom"},
	}, Options{})
	if err != nil {
		t.Fatalf("newWithInstance: %v", err)
	}

	res := mustSubmit(t, h, Command{Name: "OpenAccount", Payload: amountPayload(1)})
	if res.Err == nil {
		t.Fatalf("expected error")
	}
	if !h.Evicted() {
		t.Fatalf("handler should be evicted after a DeserializeEventError")
	}

	res = mustSubmit(t, h, Command{Name: "Deposit", Payload: amountPayload(1)})
	if res.Err != errEvicted {
		t.Fatalf("Submit after eviction: err = %v, want errEvicted", res.Err)
	}
}

func TestHandlerIgnoreProducesNoEvents(t *testing.T) {
	eng := openTestEngine(t)
	h, err := newWithInstance(context.Background(), "bank", "a5", eng, &fakeInstance{
		handleErr: &sandbox.IgnoreError{Reason: "duplicate submission"},
	}, Options{})
	if err != nil {
		t.Fatalf("newWithInstance: %v", err)
	}
	defer h.Close()

	res := mustSubmit(t, h, Command{Name: "Deposit", Payload: amountPayload(1)})
	if res.Err != nil {
		t.Fatalf("Ignore should not surface as an error, got %v", res.Err)
	}
	if len(res.Events) != 0 {
		t.Fatalf("Ignore should produce no events, got %v", res.Events)
	}
	if h.Evicted() {
		t.Fatalf("Ignore must not evict the handler")
	}
}
