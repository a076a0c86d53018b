// Package artifactcache resolves simulation artifact keys to bytes through a
// memory tier, a disk tier and an ordered list of remote backends.
//
// A [Client] is constructed once and shared. [Client.EnsurePresent] makes
// a set of keys resident locally: keys already in memory or on disk are
// served from there, and missing keys are fetched from the first backend
// that has them, then written through to disk and memory. At most one fetch
// per key is ever in flight; concurrent callers asking for the same key
// wait for that fetch and share its result.
//
// # Quick Start
//
//	mem, _ := memory.New(memory.WithMaxBytes(512 << 20))
//	dsk, _ := disk.New("/var/cache/artifacts", disk.WithMaxBytes(8 << 30))
//	store, _ := s3.New(ctx, s3.Config{Bucket: "results", Region: "eu-west-1"})
//
//	c, err := artifactcache.New(
//	    artifactcache.WithMemoryTier(mem),
//	    artifactcache.WithDiskTier(dsk),
//	    artifactcache.WithBackends(backend.WithRetry(store, backend.DefaultRetryPolicy())),
//	)
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//
//	data, err := c.Fetch(ctx, key.MustParse("C.12580/v2/base.Rdata"))
//
// # Progress
//
// Every remote fetch is reported through a [progress.Reporter]: its state
// table is available from [Client.Transfers], and listeners registered on
// the reporter receive each event while the transfer runs.
//
// # Failures
//
// When no backend can serve a key the result carries an *[UnavailableError]
// that lists every attempt. [Describe] turns any failure into a
// [Condition] with a message telling the user what to do next.
package artifactcache
