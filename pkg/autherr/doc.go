// Package autherr defines the closed set of errors returned by the auth client
// and maps raw identity-backend error payloads onto it.
//
// Every error the client returns is, or wraps, an *Error. Branch on it with
// errors.Is against the package sentinels, or with IsKind:
//
//	if errors.Is(err, autherr.ErrAccountLocked) {
//		e, _ := autherr.As(err)
//		fmt.Println("locked until", e.LockedUntil)
//	}
package autherr
