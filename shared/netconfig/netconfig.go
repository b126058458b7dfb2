// Package netconfig defines lightweight enums shared between client and server
// for network serialization. It must have zero dependencies so both the
// dedicated server binary and headless clients can import it.
package netconfig

import (
	"fmt"
	"strings"
)

// Authority says which side may write an object's state.
type Authority uint8

const (
	AuthorityServer Authority = iota // Only incoming snapshots mutate the object on clients
	AuthorityClient                  // The owning client writes; the server relays
	AuthorityShared                  // Either side may write optimistically
)

var authorityNames = map[Authority]string{
	AuthorityServer: "server",
	AuthorityClient: "client",
	AuthorityShared: "shared",
}

func (a Authority) String() string {
	if name, ok := authorityNames[a]; ok {
		return name
	}
	return "unknown"
}

// Valid reports whether a is one of the declared authorities.
func (a Authority) Valid() bool {
	_, ok := authorityNames[a]
	return ok
}

// SyncMode selects the delivery guarantee of a message.
type SyncMode uint8

const (
	Unreliable      SyncMode = iota // May be dropped, duplicated or reordered
	Reliable                        // Delivered once, in no particular order
	ReliableOrdered                 // Delivered once, in send order
)

var syncModeNames = map[SyncMode]string{
	Unreliable:      "unreliable",
	Reliable:        "reliable",
	ReliableOrdered: "reliable_ordered",
}

func (m SyncMode) String() string {
	if name, ok := syncModeNames[m]; ok {
		return name
	}
	return "unknown"
}

// InterpolationMode selects how transforms are blended between snapshots.
type InterpolationMode uint8

const (
	InterpLinear InterpolationMode = iota
	InterpCubic
	InterpHermite
)

var interpNames = map[InterpolationMode]string{
	InterpLinear:  "linear",
	InterpCubic:   "cubic",
	InterpHermite: "hermite",
}

func (m InterpolationMode) String() string {
	if name, ok := interpNames[m]; ok {
		return name
	}
	return "unknown"
}

// ParseInterpolationMode maps a config name to an InterpolationMode.
func ParseInterpolationMode(s string) (InterpolationMode, error) {
	for mode, name := range interpNames {
		if strings.EqualFold(s, name) {
			return mode, nil
		}
	}
	return InterpLinear, fmt.Errorf("unknown interpolation mode %q", s)
}

// CorrectionMode selects how a mispredicted object is moved to the
// authoritative state.
type CorrectionMode uint8

const (
	CorrectionSnap   CorrectionMode = iota // Jump straight to the corrected pose
	CorrectionSmooth                       // Tween to the corrected pose over a duration
)

var correctionNames = map[CorrectionMode]string{
	CorrectionSnap:   "snap",
	CorrectionSmooth: "smooth",
}

func (m CorrectionMode) String() string {
	if name, ok := correctionNames[m]; ok {
		return name
	}
	return "unknown"
}

// ParseCorrectionMode maps a config name to a CorrectionMode.
func ParseCorrectionMode(s string) (CorrectionMode, error) {
	for mode, name := range correctionNames {
		if strings.EqualFold(s, name) {
			return mode, nil
		}
	}
	return CorrectionSnap, fmt.Errorf("unknown correction mode %q", s)
}
