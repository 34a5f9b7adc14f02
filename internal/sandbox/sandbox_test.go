package sandbox

import "testing"

func TestClassifyDispositions(t *testing.T) {
	cases := []struct {
		err  error
		want Disposition
	}{
		{&IgnoreError{}, DispositionIgnore},
		{&CommandError{Msg: "insufficient funds"}, DispositionReplyFailure},
		{&DeserializeCommandError{Msg: "bad"}, DispositionReplyFailure},
		{&UnknownCommandError{Name: "Nope"}, DispositionReplyFailure},
		{&DeserializeEventError{Msg: "bad"}, DispositionEvict},
		{&SerializeEventError{Msg: "bad"}, DispositionEvict},
		{&DeserializeContextError{Msg: "bad"}, DispositionEvict},
		{&UnknownEventError{Type: "Nope"}, DispositionEvict},
		{&TrapError{Cause: errTest{}}, DispositionEvict},
	}

	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Errorf("Classify(%T) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

type errTest struct{}

func (errTest) Error() string { return "boom" }

func TestErrorFromWireRoundTrip(t *testing.T) {
	cases := []struct {
		kind string
		msg  string
	}{
		{kindCommand, "insufficient funds"},
		{kindIgnore, "duplicate"},
		{kindDeserializeCommand, "bad json"},
		{kindDeserializeEvent, "bad json"},
		{kindSerializeEvent, "bad json"},
		{kindDeserializeContext, "bad json"},
		{kindUnknownCommand, "Frobnicate"},
		{kindUnknownEvent, "Frobnicated"},
	}

	for _, tc := range cases {
		err := errorFromWire(&wireError{Kind: tc.kind, Msg: tc.msg})
		if err == nil {
			t.Fatalf("errorFromWire(%s) = nil", tc.kind)
		}
	}

	if err := errorFromWire(nil); err != nil {
		t.Fatalf("errorFromWire(nil) = %v, want nil", err)
	}
}

func TestResolveScopedPathRejectsTraversal(t *testing.T) {
	caps := Capabilities{FSRoot: "/var/eventrt/modules/bank-account"}

	if _, err := resolveScopedPath(caps, "../../etc/passwd"); err == nil {
		t.Fatalf("expected traversal to be rejected")
	}

	resolved, err := resolveScopedPath(caps, "state/snapshot.bin")
	if err != nil {
		t.Fatalf("resolveScopedPath: %v", err)
	}
	want := "/var/eventrt/modules/bank-account/state/snapshot.bin"
	if resolved != want {
		t.Fatalf("resolved = %q, want %q", resolved, want)
	}
}

func TestResolveScopedPathRequiresCapability(t *testing.T) {
	if _, err := resolveScopedPath(Capabilities{}, "state.bin"); err == nil {
		t.Fatalf("expected error when FSRoot is empty")
	}
}
