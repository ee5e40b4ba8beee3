// Package dedupe provides a bounded cache of seen keys. Keys are namespaced
// by record kind (asset, domain, leak) and may optionally expire after a
// configurable window.
package dedupe
