// Package dedupe suppresses duplicate client sends.
//
// Clients may attach a clientMessageId to a send and resend it after a
// reconnect. The relay claims Key(userID, clientMessageID) before doing any
// work:
//
//	switch state, prior := cache.Claim(key); state {
//	case dedupe.Fresh:    // process, then Complete(key, ack) or Release(key)
//	case dedupe.InFlight: // the first attempt is still running
//	case dedupe.Done:     // answer with prior
//	}
//
// Entries expire after the configured TTL and the cache is bounded in size,
// evicting the oldest claim first.
package dedupe
