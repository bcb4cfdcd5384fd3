// Package polling runs the REST polling loops components fall back to when
// their push connection is down.
//
// A Manager is constructed once and shared. Each registration has its own
// timer, re-armed after every callback, so a slow callback never overlaps
// itself. Re-registering an id replaces the old loop before the new timer
// is armed.
//
// Intervals adapt to two signals: the activity level a component declares
// and whether the push transport is connected. Changes smaller than 20% of
// the current interval are ignored.
package polling
