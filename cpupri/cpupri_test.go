package cpupri

import "testing"

const maxRTPrio = 100

const noPreference = -1

func allowAll(cpu int) bool { return true }

func TestNewAllIdle(t *testing.T) {
	idx := New(4)
	cpu := idx.FindLowest(10, maxRTPrio, noPreference, allowAll)
	if cpu == Invalid {
		t.Fatalf("FindLowest on an all-idle index returned Invalid")
	}
}

func TestSetMovesBuckets(t *testing.T) {
	idx := New(2)
	idx.Set(0, 50, maxRTPrio) // CPU0 running prio-50.
	idx.Set(1, 10, maxRTPrio) // CPU1 running prio-10 (more urgent).

	// A task at priority 20 can go to CPU0 (bucket for prio 50 is more
	// idle than bucket for prio 20) but not CPU1 (prio 10 is more urgent
	// than 20, so CPU1 is not a valid target).
	cpu := idx.FindLowest(20, maxRTPrio, noPreference, allowAll)
	if cpu != 0 {
		t.Fatalf("FindLowest(20) = %d, want 0", cpu)
	}
}

func TestFindLowestRespectsAllowedMask(t *testing.T) {
	idx := New(2)
	only1 := func(cpu int) bool { return cpu == 1 }
	cpu := idx.FindLowest(50, maxRTPrio, noPreference, only1)
	if cpu != 1 {
		t.Fatalf("FindLowest with mask {1} = %d, want 1", cpu)
	}
}

func TestFindLowestReturnsInvalidWhenNoneQualify(t *testing.T) {
	idx := New(2)
	idx.Set(0, 5, maxRTPrio)
	idx.Set(1, 3, maxRTPrio)
	// Both CPUs run tasks more urgent than prio 50 (5 and 3 are both
	// numerically lower, hence more urgent), so pushing a prio-50 task to
	// either would be pointless: no CPU qualifies.
	cpu := idx.FindLowest(50, maxRTPrio, noPreference, allowAll)
	if cpu != Invalid {
		t.Fatalf("FindLowest(50) = %d, want Invalid", cpu)
	}
}

func TestSetIdempotentNoOpOnSameBucket(t *testing.T) {
	idx := New(1)
	idx.Set(0, 10, maxRTPrio)
	before := idx.curr[0]
	idx.Set(0, 10, maxRTPrio)
	if idx.curr[0] != before {
		t.Fatalf("Set with unchanged priority moved the bucket")
	}
}

func TestFindLowestPrefersGivenCPUWithinBucket(t *testing.T) {
	idx := New(4)
	// All 4 CPUs are idle, so all sit in the same (Idle) bucket; without a
	// preference firstIn would return CPU0. Ask for CPU2 by name.
	cpu := idx.FindLowest(50, maxRTPrio, 2, allowAll)
	if cpu != 2 {
		t.Fatalf("FindLowest with preferredCPU=2 = %d, want 2", cpu)
	}
}

func TestFindLowestPreferenceIgnoredWhenNotAllowed(t *testing.T) {
	idx := New(4)
	only1 := func(cpu int) bool { return cpu == 1 }
	// Preferred CPU 2 is idle but not allowed; FindLowest must fall back
	// to the bucket's first allowed member instead of returning Invalid.
	cpu := idx.FindLowest(50, maxRTPrio, 2, only1)
	if cpu != 1 {
		t.Fatalf("FindLowest with disallowed preference = %d, want 1", cpu)
	}
}

func TestFindLowestPreferenceIgnoredWhenOutsideQualifyingBucket(t *testing.T) {
	idx := New(2)
	idx.Set(0, 5, maxRTPrio) // CPU0 now runs a task more urgent than 50.
	// CPU0 is preferred but its bucket no longer qualifies for a prio-50
	// task, so the only remaining qualifying CPU, 1, must be returned.
	cpu := idx.FindLowest(50, maxRTPrio, 0, allowAll)
	if cpu != 1 {
		t.Fatalf("FindLowest with preference outside qualifying bucket = %d, want 1", cpu)
	}
}
