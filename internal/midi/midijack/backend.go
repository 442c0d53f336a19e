// Package midijack connects to a running Jack server. It is compiled in
// with the jack build tag and needs the Jack client library.
package midijack

// BackendName selects this backend in contracts.WithBackend.
const BackendName = "jack"
