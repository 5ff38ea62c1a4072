// Package transporter migrates scholarly journal content between two
// publishing platforms: journals, issues, sections, articles, review
// data, user accounts, and binary galleys move from a source server to a
// target server through a dependency-ordered, resumable pipeline.
//
// # Architecture
//
// A transfer runs in three stages over one run container in the local
// resource store:
//
// 1. Index: walk the source's resource tree breadth-first and record an
// identity stub (source record key, stable uuid, key attributes) for
// every resource, parents always before children.
//
// 2. Fetch: pull each indexed resource's full detail document, plus the
// raw bytes of binary attachments, into the store. Fetching resumes:
// details already on disk are not requested again.
//
// 3. Push: replay the tree onto the target in dependency order,
// rewriting foreign-key fields to the record keys the target assigns and
// writing those keys back into the store so a later invocation skips
// what already landed.
//
// Transports are pluggable behind the connector contract: an HTTP plugin
// API client and an SSH remote-command tunnel ship in-tree and register
// themselves by protocol.
//
// # Quick Start
//
//	import (
//	    "context"
//	    "github.com/cdlib/journal-transporter/internal/pipeline"
//	    "github.com/cdlib/journal-transporter/pkg/config"
//	    "github.com/cdlib/journal-transporter/pkg/connector"
//	    "github.com/cdlib/journal-transporter/pkg/store"
//	    _ "github.com/cdlib/journal-transporter/pkg/connector/httpapi"
//	)
//
//	source, _ := connector.New(sourceDef, log)
//	target, _ := connector.New(targetDef, log)
//	st, _ := store.New("/var/lib/transporter", log)
//
//	session, _ := pipeline.NewSession(source, target, st,
//	    config.DefaultTransferOptions(), log)
//	summary, err := session.Run(context.Background(), pipeline.ModeAll)
//
// # Key Packages
//
//	pkg/connector   - Transport contract, protocol registry, HTTP and SSH clients
//	pkg/resource    - Resource types, stage states, and the transfer graph
//	pkg/store       - On-disk run containers with retention and atomic writes
//	pkg/config      - Server registry and transfer options
//	pkg/errors      - Typed errors driving retry and abort decisions
//	internal/pipeline - The index/fetch/push session
package transporter
