// Package schema defines the record types held in the local replica store.
//
// Every synchronized record carries two identities:
//
//   - ID: the local identifier, assigned by the replica store on insert.
//     It is stable for the lifetime of the record and is what all local
//     foreign keys point at.
//   - RemoteID: the identifier assigned by the remote authority once the
//     record has been accepted there. A record with a non-nil RemoteID is
//     reconciled and must never be re-submitted as a create.
//
// Records created while offline have RemoteID == nil until the corresponding
// sync queue entry succeeds.
package schema
