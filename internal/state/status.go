///////////////////////////////////////////////////////////////////////////////
// Use of this source code is governed by a license that can be found in the //
// LICENSE file                                                              //
///////////////////////////////////////////////////////////////////////////////

package state

import (
	"fmt"
)

// Status is one state of the query session lifecycle.
type Status uint32

const (
	IDLE = Status(iota)
	PARAMS_EXCHANGED
	KEYS_READY
	INDEXED
	QUERY_SENT
	RESULTS_PENDING
	COMPLETE
	FAILED
	NUM_STATUS
)

// Stringer to get the name of the status, primarily for error prints
func (s Status) String() string {
	switch s {
	case IDLE:
		return "IDLE"
	case PARAMS_EXCHANGED:
		return "PARAMS_EXCHANGED"
	case KEYS_READY:
		return "KEYS_READY"
	case INDEXED:
		return "INDEXED"
	case QUERY_SENT:
		return "QUERY_SENT"
	case RESULTS_PENDING:
		return "RESULTS_PENDING"
	case COMPLETE:
		return "COMPLETE"
	case FAILED:
		return "FAILED"
	default:
		return fmt.Sprintf("UNKNOWN STATUS: %d", uint32(s))
	}
}
