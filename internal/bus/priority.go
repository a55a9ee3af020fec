// SPDX-License-Identifier: GPL-3.0
// Copyright 2024 Pete Heist

package bus

import "github.com/uecs-ccm/actuatord/internal/intent"

// SendPriority is the send_priority mapping of spec.md §4.3: L1->1,
// L2->5, L3->10, L4->20, L5->29.
func SendPriority(l intent.Level) int {
	switch l {
	case intent.L1:
		return 1
	case intent.L2:
		return 5
	case intent.L3:
		return 10
	case intent.L4:
		return 20
	case intent.L5:
		return 29
	default:
		return 29
	}
}

// Suffix is the type-suffix table of spec.md §6: L3 uses "rcM", L2/L4
// use "rcA", L1 uses the shortest (bare) form. Per §9's open question
// ("the correct suffix ... is unresolved pending field testing"),
// SuffixTable is a package-level var, not a const, so a caller can
// replace its entries at startup; no config key sets it.
type Suffix string

const (
	SuffixBare Suffix = ""
	SuffixRcA  Suffix = "rcA"
	SuffixRcM  Suffix = "rcM"
)

// SuffixTable is the default level->suffix hypothesis from spec.md §6.
var SuffixTable = map[intent.Level]Suffix{
	intent.L1: SuffixBare,
	intent.L2: SuffixRcA,
	intent.L3: SuffixRcM,
	intent.L4: SuffixRcA,
	intent.L5: SuffixRcA,
}

// PacketType returns the actuator id suffixed per SuffixTable, e.g.
// "VenSdWin" for L1, "VenSdWinrcM" for L3.
func PacketType(id string, l intent.Level) string {
	s := SuffixTable[l]
	if s == SuffixBare {
		return id
	}
	return id + string(s)
}
