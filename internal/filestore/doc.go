// Package filestore implements the per-origin persistent file store: slash
// delimited paths mapped onto regular files below a single root directory.
// Writes create intermediate directories on demand; reads and existence checks
// never do, so a missing directory along the path is an ordinary miss.
package filestore
