package action

import "testing"

func TestCombine(t *testing.T) {
	for _, test := range []struct {
		votes []AutoApprove
		want  AutoApprove
	}{
		{nil, Rejected},
		{[]AutoApprove{Undecided}, Rejected},
		{[]AutoApprove{Undecided, Undecided}, Rejected},
		{[]AutoApprove{Approved}, Approved},
		{[]AutoApprove{Approved, Undecided}, Approved},
		{[]AutoApprove{Undecided, Approved}, Approved},
		{[]AutoApprove{Approved, Approved}, Approved},
		{[]AutoApprove{Rejected}, Rejected},
		{[]AutoApprove{Approved, Rejected}, Rejected},
		{[]AutoApprove{Rejected, Approved}, Rejected},
		{[]AutoApprove{Undecided, Rejected}, Rejected},
	} {
		if have, want := Combine(test.votes...), test.want; have != want {
			t.Errorf("%v: have: %v, want: %v", test.votes, have, want)
		}
	}
}

// TestCombineLaw checks every combination of up to three votes against
// the law: approved iff no vote is rejected and at least one is approved.
func TestCombineLaw(t *testing.T) {
	all := []AutoApprove{Undecided, Approved, Rejected}
	var check func(votes []AutoApprove, depth int)
	check = func(votes []AutoApprove, depth int) {
		anyRejected, anyApproved := false, false
		for _, v := range votes {
			anyRejected = anyRejected || v == Rejected
			anyApproved = anyApproved || v == Approved
		}
		want := Rejected
		if !anyRejected && anyApproved {
			want = Approved
		}
		if have := Combine(votes...); have != want {
			t.Errorf("%v: have: %v, want: %v", votes, have, want)
		}
		if depth == 0 {
			return
		}
		for _, v := range all {
			check(append(append([]AutoApprove(nil), votes...), v), depth-1)
		}
	}
	check(nil, 3)
}

func TestAutoApproveText(t *testing.T) {
	for _, a := range []AutoApprove{Undecided, Approved, Rejected} {
		text, err := a.MarshalText()
		if err != nil {
			t.Fatal(err)
		}
		var b AutoApprove
		if err = b.UnmarshalText(text); err != nil {
			t.Fatal(err)
		}
		if have, want := b, a; have != want {
			t.Errorf("have: %v, want: %v", have, want)
		}
	}
	var a AutoApprove
	if err := a.UnmarshalText([]byte("maybe")); err == nil {
		t.Error("expected error")
	}
}
