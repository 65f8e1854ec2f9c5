// Package dashboard provides the embedded inspector page for storebox.
//
// The page is compiled into the binary with the embed directive, so the
// inspector needs no asset files at runtime. It renders the live state from
// the SSE stream and offers a button per registered action.
//
// The server package serves it at "/", substituting the store name for the
// title placeholder.
package dashboard

import "embed"

// Assets is an embedded filesystem containing the inspector page.
//
// The filesystem structure is:
//
//	assets/
//	  index.html    - Inspector page with inline CSS and JavaScript
//
//go:embed assets/*
var Assets embed.FS
