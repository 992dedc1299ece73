// Package buildopts holds the build-time knobs set once by the CLI entry
// point and threaded read-only through the pipeline, plus the guest policy
// and TCB floor values the descriptor writer and digest tool consume
// verbatim.
package buildopts

import (
	"strings"

	"github.com/google/uuid"
)

// Options are the CLI-supplied build knobs. Mutable only at the CLI entry
// point; every component downstream treats a copy as read-only for the
// remainder of the run.
type Options struct {
	HBBranch  string
	AOBranch  string
	Debug     bool
	EnableKVM bool
	EnableTPM bool
	EnableGPU bool
}

// GuestPolicy carries the opaque 64-bit SNP policy plus the auxiliary
// identity fields the firmware and launch path consume verbatim. Once
// written into a VMDescriptor these values must match what was hashed into
// the attestation input, so FamilyID/ImageID are fixed at construction
// rather than regenerated per write.
type GuestPolicy struct {
	GuestFeatures uint64
	PlatformInfo  uint64
	Policy        uint64
	FamilyID      string
	ImageID       string
}

// NewGuestPolicy returns a GuestPolicy with FamilyID/ImageID defaulted to a
// fresh random 128-bit identity rendered as 32 lowercase hex characters
// (a uuid.New() value with its hyphens stripped) whenever the caller passes
// an empty string for either field.
func NewGuestPolicy(guestFeatures, platformInfo, policy uint64, familyID, imageID string) GuestPolicy {
	if familyID == "" {
		familyID = newHexID()
	}
	if imageID == "" {
		imageID = newHexID()
	}
	return GuestPolicy{
		GuestFeatures: guestFeatures,
		PlatformInfo:  platformInfo,
		Policy:        policy,
		FamilyID:      familyID,
		ImageID:       imageID,
	}
}

func newHexID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// TCBFloor is the minimum acceptable platform TCB an attestation verifier
// will trust. Reserved holds exactly four values, matching the descriptor's
// `_reserved = [a, b, c, d]` field.
type TCBFloor struct {
	Bootloader uint8
	TEE        uint8
	SNP        uint8
	Microcode  uint8
	Reserved   [4]uint8
}
