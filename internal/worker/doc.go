// Package worker implements the offline cache manager for a single origin.
//
// A Worker owns exactly one versioned cache bucket, named after the
// manifest's cache name. Its lifecycle is driven from outside through three
// events: OnInstall populates the bucket from the manifest atomically,
// OnActivate removes every other bucket version, and OnFetch answers GET
// requests cache-first, then from the network (persisting successful basic
// responses in the background), then with the offline document.
//
// The lifecycle package decides when each event fires; a Worker never moves
// itself from one phase to the next.
package worker
