// Package pagination follows next-link cursors on successful list responses.
//
// The remote API pages list results by embedding a cursor field (default
// "@odata.nextLink") next to the list field (default "value"). The follower
// resolves the cursor through the authenticated client until no link remains
// or the page ceiling is reached, then replaces the list field with the
// concatenation of all pages and drops the cursor.
//
// Example usage:
//
//	follower := pagination.NewFollower(apiClient, pagination.DefaultConfig())
//	err := follower.ExpandAll(ctx, pages, nil) // strict: first failure returned
//
// In best-effort mode a report callback receives each failure and the
// affected body keeps its partially aggregated list plus the unresolved
// cursor, so the caller can resume pagination later.
//
// A next link pointing outside the configured origin is a security boundary:
// it fails immediately and no call is made to the foreign origin.
package pagination
