// Package syncer keeps a local copy of the job-server document consistent with the
// server across two channels.
//
// # Overview
//
// Reads and writes go through the request/response channel (a Transport). Change
// notifications and run progress arrive on the push channel (a push.Listener). The
// Engine ties both to the local state:
//
//	local edit ──► document.Store (OriginLocal) ──► REPLACE ──► server
//	                                                               │
//	server ──► push frame {state:0} ──► echo check ──► FETCH ──────┘
//	                │                                    │
//	                │                                    ▼
//	                │                      document.Store (OriginRemote)
//	                ▼
//	       {state:1..3} ──► run.Session
//
// Every response passes through the read-only gate, which turns the X-Is-RW
// header into the ReadOnly flag.
//
// # Event Loop
//
// All state is owned by the goroutine running Engine.Run. Requests and the push
// handshake run on their own goroutines and post their completions back to the
// loop, so the loop handles exactly one event at a time and never blocks on I/O.
// Completions of concurrent requests may arrive in any order; the IsUpdating and
// UpdateFailed flags report the most recent completion only.
//
// # Echo Suppression
//
// The server notifies every client of every change, including the one that made
// it. When a local write is issued the echo suppressor is armed, and the first
// change frame carrying the local ClientID within the echo window is swallowed
// instead of triggering a re-fetch. Remote refreshes never issue writes, so a
// refresh cannot feed back into the write path.
//
// Which change frames cause a re-fetch is governed by the OriginFilter:
//
//   - FilterForeign: only frames from other clients re-fetch.
//   - FilterAll: every frame re-fetches unless it is a suppressed echo.
//
// Frames without a clientID are treated as foreign under both filters.
//
// # Reconnection
//
// The push connection is opened after the first successful fetch that names a
// socketURL, and re-opened by any later successful fetch that finds it closed.
// With Policy.ReconnectDelay > 0 a lost connection also schedules one re-fetch
// after the delay.
//
// Usage
//
//	client, err := transport.NewClient(transport.Options{BaseURL: "http://localhost:9078"})
//	if err != nil {
//	    return err
//	}
//
//	engine, err := syncer.New(client, nil)
//	if err != nil {
//	    return err
//	}
//
//	go engine.Run(ctx)
//	<-engine.Ready()
//
//	err = engine.Edit(ctx, func(doc *document.Document) {
//	    doc.Fep = append(doc.Fep, "*.tmp")
//	})
package syncer
