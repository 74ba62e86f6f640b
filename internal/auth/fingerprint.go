package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Fingerprint carries the /agents/auto-register request fields identifying a
// physical agent install, well enough to recognize a returning device across
// process restarts independent of any API key it may have lost.
type Fingerprint struct {
	MachineFingerprint string
	AgentType          string
	AgentName          string
	Platform           string
	PlatformVersion    string
}

// Hash returns the first 32 hex characters of the SHA-256 digest of the
// fingerprint's fields, joined in a fixed order. Truncating keeps the stored
// value short while leaving 128 bits of collision resistance, ample for a
// device-identity lookup key.
func (f Fingerprint) Hash() string {
	joined := strings.Join([]string{
		f.MachineFingerprint, f.AgentType, f.AgentName, f.Platform, f.PlatformVersion,
	}, "|")
	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:])[:32]
}

// AutoRegisterResult is what /agents/auto-register hands back to the caller.
type AutoRegisterResult struct {
	AgentID   string
	APIKey    string
	ProjectID string
	Reused    bool
}

// AutoRegister resolves a machine fingerprint to a stable agent identity:
// returning devices get their existing project's credentials reissued as a
// fresh key, new devices get provisioned from scratch on the free tier.
func (s *Store) AutoRegister(ctx context.Context, fp Fingerprint) (AutoRegisterResult, error) {
	hash := fp.Hash()
	existing, ok, err := s.rel.GetAPIKeyByFingerprint(ctx, hash)
	if err != nil {
		return AutoRegisterResult{}, err
	}
	if ok {
		issued, err := s.IssueKeyForProject(ctx, existing.UserID, existing.ProjectID, existing.Tier, hash)
		if err != nil {
			return AutoRegisterResult{}, err
		}
		return AutoRegisterResult{AgentID: issued.UserID, APIKey: issued.APIKey, ProjectID: issued.ProjectID, Reused: true}, nil
	}
	userID, projectID, err := s.newIdentity(ctx)
	if err != nil {
		return AutoRegisterResult{}, err
	}
	issued, err := s.issueKey(ctx, userID, projectID, TierFree, hash)
	if err != nil {
		return AutoRegisterResult{}, err
	}
	return AutoRegisterResult{AgentID: issued.UserID, APIKey: issued.APIKey, ProjectID: issued.ProjectID, Reused: false}, nil
}
