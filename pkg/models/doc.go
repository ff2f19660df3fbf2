// Package models defines the entities shared by the nodesync client and server:
// nodes and their relations, mutations, change records, accounts and devices.
//
// Struct tags serve three encodings at once. gorm tags describe the server
// schema, cbor tags the wire and local-store format, and json tags the HTTP
// and log representation.
package models
