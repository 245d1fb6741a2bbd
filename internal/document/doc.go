// Package document holds the synchronized job-server document and its local store.
//
// # Overview
//
// The job server owns a single JSON document describing what the next run will do
// (mode, exclusion patterns, sources) and where its push channel lives. Clients keep
// one local copy in a Store and a second, read-only copy of the server defaults.
//
//	{
//	  "mode": "seal",
//	  "verbosity": "info",
//	  "spid": 1,
//	  "spod": 1,
//	  "fep": ["*.tmp"],
//	  "sources": ["/data/project"],
//	  "isRunning": false,
//	  "socketURL": "/api/v1/websocket"
//	}
//
// Fields the client does not know about are carried through decode and encode
// untouched, so a newer server never loses data by way of an older client.
//
// # Origins
//
// Every Store mutation is tagged with an Origin. OriginLocal marks a user edit and is
// the only origin that should ever cause a write back to the server; OriginRemote
// marks a refresh that was just fetched from the server.
//
//	store := document.NewStore()
//	unsubscribe := store.Subscribe(func(c document.Change) {
//	    if c.Origin == document.OriginLocal {
//	        // issue a write
//	    }
//	})
//	defer unsubscribe()
//
//	store.Replace(fetched, document.OriginRemote)
//	store.Update(func(d *document.Document) {
//	    d.Fep = append(d.Fep, "*.tmp")
//	}, document.OriginLocal)
//
// # Defaults
//
// Defaults are stored beside the current document but never fire subscribers and
// are never written back. Diff compares two documents field by field, which is how
// callers show what differs from the defaults.
package document
