// Package mongo registers MongoDB-backed Run Log storage as an alternative
// to the default features/runlog/sql index.
//
// Use clients/mongo to build the low-level client and pass it to NewStore to
// obtain a runlog.Store persisting Run and Decision rows in MongoDB.
package mongo
