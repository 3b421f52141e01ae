// Package authclient is a client for a token-based identity API.
//
// A Client signs users in (password, magic link, OAuth, MFA), persists the
// issued tokens through a tokenstore.Store, and keeps the session alive:
// requests sent through it carry the access token, a 401 triggers one
// refresh and one replay, and the session is refreshed shortly before the
// access token expires. Concurrent refresh triggers share a single network
// call. A refresh that fails, once the pipeline has given up retrying, clears
// the stored session.
//
// State transitions are published on an events.Bus:
//
//	client.OnAuthStateChange(func(tag events.Tag, s *authclient.Session) {
//		if tag == events.SessionExpired {
//			// send the user back to the sign-in page
//		}
//	})
package authclient
