package events

import "strings"

// Role is the closed set of client roles a connection can hold.
type Role string

const (
	RoleKitchen Role = "KITCHEN"
	RoleWaiter  Role = "WAITER"
	RoleAdmin   Role = "ADMIN"
	RoleDiner   Role = "DINER"
)

// ParseRole validates a role string from a claims object.
func ParseRole(s string) (Role, bool) {
	switch Role(strings.ToUpper(s)) {
	case RoleKitchen:
		return RoleKitchen, true
	case RoleWaiter:
		return RoleWaiter, true
	case RoleAdmin:
		return RoleAdmin, true
	case RoleDiner:
		return RoleDiner, true
	}
	return "", false
}

// Channel key constructors. These are the wire-level routing keys used for
// broker subscription and connection channel sets.
func TenantAdminChannel(tenantID string) string { return "tenant:" + tenantID + ":admin" }

func BranchWaitersChannel(branchID string) string { return "branch:" + branchID + ":waiters" }

func BranchKitchenChannel(branchID string) string { return "branch:" + branchID + ":kitchen" }

func BranchAdminChannel(branchID string) string { return "branch:" + branchID + ":admin" }

func UserChannel(userID string) string { return "user:" + userID }

func SessionChannel(sessionID string) string { return "session:" + sessionID }

// MatchChannel reports whether a concrete channel key matches a subscription
// pattern. A "*" segment matches exactly one segment; a trailing "*" matches
// the remainder of the key ("subscribe to all branches of this role").
func MatchChannel(pattern, channel string) bool {
	if pattern == channel {
		return true
	}
	ps := strings.Split(pattern, ":")
	cs := strings.Split(channel, ":")
	for i, p := range ps {
		if p == "*" && i == len(ps)-1 {
			return true
		}
		if i >= len(cs) {
			return false
		}
		if p != "*" && p != cs[i] {
			return false
		}
	}
	return len(ps) == len(cs)
}

// MatchAny reports whether the channel matches at least one pattern.
func MatchAny(patterns []string, channel string) bool {
	for _, p := range patterns {
		if MatchChannel(p, channel) {
			return true
		}
	}
	return false
}

// SubscriptionSet derives the channel set for a connection from its identity.
// The set is deterministic for a given (tenant, branch, role, user, session)
// and fixed for the connection's lifetime except on explicit re-subscribe.
// An admin with no branch binding gets the all-branches wildcard for its
// role group.
func SubscriptionSet(tenantID, branchID string, role Role, userID, sessionID string) []string {
	var chans []string
	switch role {
	case RoleAdmin:
		chans = append(chans, TenantAdminChannel(tenantID))
		if branchID != "" {
			chans = append(chans, BranchAdminChannel(branchID))
		} else {
			chans = append(chans, "branch:*:admin")
		}
	case RoleWaiter:
		if branchID != "" {
			chans = append(chans, BranchWaitersChannel(branchID))
		} else {
			chans = append(chans, "branch:*:waiters")
		}
	case RoleKitchen:
		if branchID != "" {
			chans = append(chans, BranchKitchenChannel(branchID))
		} else {
			chans = append(chans, "branch:*:kitchen")
		}
	case RoleDiner:
		if sessionID != "" {
			chans = append(chans, SessionChannel(sessionID))
		}
	}
	if userID != "" {
		chans = append(chans, UserChannel(userID))
	}
	return chans
}

// TargetChannels computes the channels an envelope is addressed to, from its
// tenant, branch, and event type. Envelopes without a branch are tenant-wide
// and go to the tenant admin channel only.
func TargetChannels(env *Envelope) []string {
	targets := []string{TenantAdminChannel(env.TenantID)}
	if env.BranchID == "" {
		return targets
	}

	targets = append(targets, BranchAdminChannel(env.BranchID))
	switch env.EventType {
	case TypeRoundSubmitted:
		targets = append(targets,
			BranchKitchenChannel(env.BranchID),
			BranchWaitersChannel(env.BranchID))
	case TypeServiceCallCreated, TypeServiceCallAcked, TypeServiceCallClosed,
		TypeCheckRequested, TypeCheckPaid, TypePaymentApproved:
		targets = append(targets, BranchWaitersChannel(env.BranchID))
	case TypeTableSessionStarted, TypeTableCleared:
		targets = append(targets,
			BranchWaitersChannel(env.BranchID),
			BranchKitchenChannel(env.BranchID))
	case TypeEntityCreated, TypeEntityUpdated, TypeEntityDeleted, TypeEntityCascadeDeleted:
		targets = append(targets, BranchWaitersChannel(env.BranchID))
	}
	return targets
}

// PrimaryChannel is the single broker channel an envelope is published on.
// The relay subscribes to the scope prefixes and fans out from the envelope
// itself, so one publication per envelope is enough.
func PrimaryChannel(env *Envelope) string {
	if env.BranchID == "" {
		return TenantAdminChannel(env.TenantID)
	}
	return BranchAdminChannel(env.BranchID)
}

// RelayPatterns is the full pattern set a gateway instance subscribes to.
var RelayPatterns = []string{"tenant:*", "branch:*", "user:*", "session:*"}
