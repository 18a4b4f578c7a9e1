package controller

import (
	"sort"
	"time"

	v2 "github.com/bottlerocket-os/bottlerocket-update-operator/pkg/apis/brupop/v2"
)

// SelectForPromotion picks at most one shadow to advance this tick,
// following the promotion order: ascending crash count (shadows
// lacking status sort last), then the shadow owned by the host
// running the controller pod moved unconditionally to the very end of
// the list to defer self-disruption, regardless of its or anyone
// else's crash count. The first shadow in the resulting order whose
// computed next spec differs from its current spec wins; nil is
// returned if none would change.
func SelectForPromotion(shadows []v2.BottlerocketShadow, selfShadowName string, now time.Time) *v2.BottlerocketShadow {
	ordered := make([]v2.BottlerocketShadow, len(shadows))
	copy(ordered, shadows)

	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].CompareCrashCount(&ordered[j]) < 0
	})
	ordered = deferSelfToEnd(ordered, selfShadowName)

	for i := range ordered {
		candidate := ordered[i]
		next := Progress(candidate, now)
		if !next.Equal(candidate.Spec) {
			return &ordered[i]
		}
	}
	return nil
}

// deferSelfToEnd moves the shadow named selfShadowName, if present, to
// the last position in ordered, preserving the relative order of
// everything else. Matches the original's unconditional append of
// self to the very end of the sorted list, not merely to the end of
// its own crash-count group.
func deferSelfToEnd(ordered []v2.BottlerocketShadow, selfShadowName string) []v2.BottlerocketShadow {
	rest := make([]v2.BottlerocketShadow, 0, len(ordered))
	var self *v2.BottlerocketShadow
	for i := range ordered {
		if ordered[i].Name == selfShadowName {
			s := ordered[i]
			self = &s
			continue
		}
		rest = append(rest, ordered[i])
	}
	if self != nil {
		rest = append(rest, *self)
	}
	return rest
}
