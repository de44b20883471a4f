// Package storage provides the datasource a coordinator exposes to the
// scheduling layer that partitions work.
//
// A Datasource is a read-mostly key/value mapping; each entry is one map
// input. The protocol layer never reads it: it is handed to the coordinator
// so that the scheduler driving Server.Run can enumerate and fetch inputs.
//
// MemoryStore is the only implementation. It is guarded by sync.RWMutex
// and returns keys in sorted order so work is enumerated deterministically.
//
//	ds := storage.FromLines([]string{
//	    "Humpty Dumpty sat on a wall",
//	    "Humpty Dumpty had a great fall",
//	})
//	v, _ := ds.Get("1") // "Humpty Dumpty had a great fall"
package storage
