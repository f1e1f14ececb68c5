// Package hostenv abstracts the host runtime's tab/window visibility
// signal (spec.md §4.7, §4.4 keep-alive scheduling). Server-role hosts
// have no such signal and are always visible; browser-role hosts report
// their document's visibility state and notify subscribers on change.
package hostenv
