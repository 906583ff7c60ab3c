// Package quota decides whether a metered operation may proceed.
//
// Classify maps a request to an Operation; only POST and PUT requests that
// create posts or generate AI media are metered, everything else is allowed
// without a check. Guard compares the organization's usage in the current
// calendar month against the limit of its tier.
//
//	guard := quota.NewGuard(table, tiers, usage, logger, metrics)
//	decision, err := guard.CheckAndAuthorize(ctx, orgID, quota.OpCreatePost, 1)
//	if !decision.Allowed {
//		// 403 with decision.CurrentUsage and decision.Limit
//	}
package quota
