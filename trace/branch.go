// Package trace models observed guest control flow: the branch taxonomy, the
// captured basic block with its lifted IL and detected terminator, and the
// assembled basic-block list with sentinel resolution.
package trace

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

// Branch is the terminator of one observed basic block. Final kinds name a
// witnessed destination; sentinel kinds are used internally and carry the
// sequence number of the block whose terminator created them, to be resolved
// against the next observed block in the same address space.
//
// The variant names are part of the public serialization format.
type Branch interface {
	fmt.Stringer
	json.Marshaler
	// isBranch ensures that only trace branches can be assigned to Branch.
	isBranch()
}

// DirectCall is a call to a constant destination.
type DirectCall struct {
	SitePC uint64
	DstPC  uint64
}

// DirectJump is a jump to a constant destination; Taken records whether the
// next observed block was the destination.
type DirectJump struct {
	SitePC uint64
	DstPC  uint64
	Taken  bool
}

// IndirectCall is a call through a register.
type IndirectCall struct {
	SitePC  uint64
	DstPC   uint64
	RegUsed string
}

// IndirectJump is a jump through a register.
type IndirectJump struct {
	SitePC  uint64
	DstPC   uint64
	RegUsed string
}

// Return is a function return.
type Return struct {
	SitePC uint64
	DstPC  uint64
}

// CallSentinel is an unresolved indirect call.
type CallSentinel struct {
	SitePC uint64
	SeqNum uint64
	Reg    string
}

// IndirectJumpSentinel is an unresolved indirect jump.
type IndirectJumpSentinel struct {
	SitePC uint64
	SeqNum uint64
	Reg    string
}

// DirectJumpSentinel is an unresolved memory-absolute jump; the destination
// is unknown until observed.
type DirectJumpSentinel struct {
	SitePC uint64
	SeqNum uint64
}

// ReturnSentinel is an unresolved return.
type ReturnSentinel struct {
	SitePC uint64
	SeqNum uint64
}

func (b *DirectCall) isBranch()           {}
func (b *DirectJump) isBranch()           {}
func (b *IndirectCall) isBranch()         {}
func (b *IndirectJump) isBranch()         {}
func (b *Return) isBranch()               {}
func (b *CallSentinel) isBranch()         {}
func (b *IndirectJumpSentinel) isBranch() {}
func (b *DirectJumpSentinel) isBranch()   {}
func (b *ReturnSentinel) isBranch()       {}

// String returns the string representation of the branch.
func (b *DirectCall) String() string {
	return fmt.Sprintf("DirectCall@0x%016x -> 0x%016x", b.SitePC, b.DstPC)
}

// String returns the string representation of the branch.
func (b *DirectJump) String() string {
	return fmt.Sprintf("DirectJump@0x%016x -> 0x%016x (taken: %t)", b.SitePC, b.DstPC, b.Taken)
}

// String returns the string representation of the branch.
func (b *IndirectCall) String() string {
	return fmt.Sprintf("IndirectCall@0x%016x -> 0x%016x [%s]", b.SitePC, b.DstPC, b.RegUsed)
}

// String returns the string representation of the branch.
func (b *IndirectJump) String() string {
	return fmt.Sprintf("IndirectJump@0x%016x -> 0x%016x [%s]", b.SitePC, b.DstPC, b.RegUsed)
}

// String returns the string representation of the branch.
func (b *Return) String() string {
	return fmt.Sprintf("Return@0x%016x -> 0x%016x", b.SitePC, b.DstPC)
}

// String returns the string representation of the branch.
func (b *CallSentinel) String() string {
	return fmt.Sprintf("CallSentinel@0x%016x [%s], seq_num: %d", b.SitePC, b.Reg, b.SeqNum)
}

// String returns the string representation of the branch.
func (b *IndirectJumpSentinel) String() string {
	return fmt.Sprintf("IndirectJumpSentinel@0x%016x [%s], seq_num: %d", b.SitePC, b.Reg, b.SeqNum)
}

// String returns the string representation of the branch.
func (b *DirectJumpSentinel) String() string {
	return fmt.Sprintf("DirectJumpSentinel@0x%016x, seq_num: %d", b.SitePC, b.SeqNum)
}

// String returns the string representation of the branch.
func (b *ReturnSentinel) String() string {
	return fmt.Sprintf("ReturnSentinel@0x%016x, seq_num: %d", b.SitePC, b.SeqNum)
}

// Site returns the guest address of the branch site.
func Site(b Branch) uint64 {
	switch br := b.(type) {
	case *DirectCall:
		return br.SitePC
	case *DirectJump:
		return br.SitePC
	case *IndirectCall:
		return br.SitePC
	case *IndirectJump:
		return br.SitePC
	case *Return:
		return br.SitePC
	case *CallSentinel:
		return br.SitePC
	case *IndirectJumpSentinel:
		return br.SitePC
	case *DirectJumpSentinel:
		return br.SitePC
	case *ReturnSentinel:
		return br.SitePC
	}
	return 0
}

// Serialization payloads. Field order is part of the wire format.

type callJSON struct {
	SitePC uint64 `json:"site_pc"`
	DstPC  uint64 `json:"dst_pc"`
}

type jumpJSON struct {
	SitePC uint64 `json:"site_pc"`
	DstPC  uint64 `json:"dst_pc"`
	Taken  bool   `json:"taken"`
}

type indirectJSON struct {
	SitePC  uint64 `json:"site_pc"`
	DstPC   uint64 `json:"dst_pc"`
	RegUsed string `json:"reg_used"`
}

type regSentinelJSON struct {
	SitePC uint64 `json:"site_pc"`
	SeqNum uint64 `json:"seq_num"`
	Reg    string `json:"reg"`
}

type sentinelJSON struct {
	SitePC uint64 `json:"site_pc"`
	SeqNum uint64 `json:"seq_num"`
}

// MarshalJSON encodes the branch as a variant-keyed object.
func (b *DirectCall) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		V callJSON `json:"DirectCall"`
	}{callJSON{b.SitePC, b.DstPC}})
}

// MarshalJSON encodes the branch as a variant-keyed object.
func (b *DirectJump) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		V jumpJSON `json:"DirectJump"`
	}{jumpJSON{b.SitePC, b.DstPC, b.Taken}})
}

// MarshalJSON encodes the branch as a variant-keyed object.
func (b *IndirectCall) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		V indirectJSON `json:"IndirectCall"`
	}{indirectJSON{b.SitePC, b.DstPC, b.RegUsed}})
}

// MarshalJSON encodes the branch as a variant-keyed object.
func (b *IndirectJump) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		V indirectJSON `json:"IndirectJump"`
	}{indirectJSON{b.SitePC, b.DstPC, b.RegUsed}})
}

// MarshalJSON encodes the branch as a variant-keyed object.
func (b *Return) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		V callJSON `json:"Return"`
	}{callJSON{b.SitePC, b.DstPC}})
}

// MarshalJSON encodes the branch as a variant-keyed object.
func (b *CallSentinel) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		V regSentinelJSON `json:"CallSentinel"`
	}{regSentinelJSON{b.SitePC, b.SeqNum, b.Reg}})
}

// MarshalJSON encodes the branch as a variant-keyed object.
func (b *IndirectJumpSentinel) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		V regSentinelJSON `json:"IndirectJumpSentinel"`
	}{regSentinelJSON{b.SitePC, b.SeqNum, b.Reg}})
}

// MarshalJSON encodes the branch as a variant-keyed object.
func (b *DirectJumpSentinel) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		V sentinelJSON `json:"DirectJumpSentinel"`
	}{sentinelJSON{b.SitePC, b.SeqNum}})
}

// MarshalJSON encodes the branch as a variant-keyed object.
func (b *ReturnSentinel) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		V sentinelJSON `json:"ReturnSentinel"`
	}{sentinelJSON{b.SitePC, b.SeqNum}})
}

// UnmarshalBranch decodes a variant-keyed branch object.
func UnmarshalBranch(data []byte) (Branch, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.WithStack(err)
	}
	if len(raw) != 1 {
		return nil, errors.Errorf("expected single branch variant; got %d", len(raw))
	}
	for name, payload := range raw {
		switch name {
		case "DirectCall":
			var v callJSON
			if err := json.Unmarshal(payload, &v); err != nil {
				return nil, errors.WithStack(err)
			}
			return &DirectCall{v.SitePC, v.DstPC}, nil
		case "DirectJump":
			var v jumpJSON
			if err := json.Unmarshal(payload, &v); err != nil {
				return nil, errors.WithStack(err)
			}
			return &DirectJump{v.SitePC, v.DstPC, v.Taken}, nil
		case "IndirectCall":
			var v indirectJSON
			if err := json.Unmarshal(payload, &v); err != nil {
				return nil, errors.WithStack(err)
			}
			return &IndirectCall{v.SitePC, v.DstPC, v.RegUsed}, nil
		case "IndirectJump":
			var v indirectJSON
			if err := json.Unmarshal(payload, &v); err != nil {
				return nil, errors.WithStack(err)
			}
			return &IndirectJump{v.SitePC, v.DstPC, v.RegUsed}, nil
		case "Return":
			var v callJSON
			if err := json.Unmarshal(payload, &v); err != nil {
				return nil, errors.WithStack(err)
			}
			return &Return{v.SitePC, v.DstPC}, nil
		case "CallSentinel":
			var v regSentinelJSON
			if err := json.Unmarshal(payload, &v); err != nil {
				return nil, errors.WithStack(err)
			}
			return &CallSentinel{v.SitePC, v.SeqNum, v.Reg}, nil
		case "IndirectJumpSentinel":
			var v regSentinelJSON
			if err := json.Unmarshal(payload, &v); err != nil {
				return nil, errors.WithStack(err)
			}
			return &IndirectJumpSentinel{v.SitePC, v.SeqNum, v.Reg}, nil
		case "DirectJumpSentinel":
			var v sentinelJSON
			if err := json.Unmarshal(payload, &v); err != nil {
				return nil, errors.WithStack(err)
			}
			return &DirectJumpSentinel{v.SitePC, v.SeqNum}, nil
		case "ReturnSentinel":
			var v sentinelJSON
			if err := json.Unmarshal(payload, &v); err != nil {
				return nil, errors.WithStack(err)
			}
			return &ReturnSentinel{v.SitePC, v.SeqNum}, nil
		default:
			return nil, errors.Errorf("unknown branch variant %q", name)
		}
	}
	return nil, errors.New("empty branch object")
}
