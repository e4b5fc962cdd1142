// Package httpapi mounts the authentication flows on a chi router: magic
// link issue/verify, OAuth begin/callback, cookie-based refresh, and
// sign-out.
//
// # Token transport
//
// Access tokens travel in the response body and are expected back as bearer
// headers. Refresh tokens never appear in a response body: they live in an
// HttpOnly cookie scoped to the auth paths, paired with a readable CSRF
// cookie that state-changing requests must echo in a header.
//
// # Architecture boundaries
//
// This package translates HTTP semantics into Engine calls and cookie
// handling. All authentication decisions are delegated to the engine; all
// client-visible rejections come from authkit.Classify, so handlers cannot
// accidentally leak a cause distinction the taxonomy hides.
package httpapi
