// Package transport implements the Message Transport: per-channel FIFO
// queues with a pluggable, deterministic fault plan.
package transport

import (
	"github.com/octokernel/octokernel/internal/ids"
	"github.com/octokernel/octokernel/internal/kernelerr"
)

// SchemaVersion is a {major, minor} pair attached to every envelope.
type SchemaVersion struct {
	Major uint32
	Minor uint32
}

// TypedPayload is an opaque byte-plus-schema-tag blob. The kernel never
// inspects it; callers agree on SchemaTag/Data meaning out of band.
type TypedPayload struct {
	SchemaTag string
	Data      []byte
}

// Envelope is a message passed through a channel.
type Envelope struct {
	Id            ids.MessageId
	Destination   ids.ServiceId
	Source        *ids.TaskId
	Action        string
	SchemaVersion SchemaVersion
	CorrelationId *ids.MessageId
	Payload       TypedPayload
}

// SchemaRange is the inclusive range of schema majors a registered service
// accepts. MinMajor also carries a minor floor for the UpgradeRequired case;
// anything with a major above MaxMajor is Unsupported outright rather than
// merely out of date.
type SchemaRange struct {
	MinMajor, MinMinor uint32
	MaxMajor           uint32
}

// Check reports whether received falls within r for the named service,
// returning a typed UpgradeRequired (major too low) or Unsupported (major
// out of range entirely) error, or nil if received is acceptable.
func (r SchemaRange) Check(service uint64, received SchemaVersion) error {
	if received.Major > r.MaxMajor || received.Major < r.MinMajor {
		return &kernelerr.Unsupported{
			Service:        service,
			SupportedRange: [2]uint32{r.MinMajor, r.MaxMajor},
			Received:       [2]uint32{received.Major, received.Minor},
		}
	}
	if received.Major == r.MinMajor && received.Minor < r.MinMinor {
		return &kernelerr.UpgradeRequired{
			Service:     service,
			ExpectedMin: [2]uint32{r.MinMajor, r.MinMinor},
			Received:    [2]uint32{received.Major, received.Minor},
		}
	}
	return nil
}
