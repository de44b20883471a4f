// Package workfn defines the map, reduce and collect work functions a
// coordinator hands to its workers.
//
// Functions are never shipped as code. Both peers register the same named,
// versioned Definitions in their own Registry; the coordinator sends a Ref
// (name, version, role) and the worker resolves it locally and installs the
// result in its Environment. A reference the worker cannot resolve exactly
// is rejected, so a worker never runs a function other than the one the
// coordinator named.
//
//	reg := workfn.Builtins()
//	def, _ := reg.Resolve(workfn.Ref{Name: workfn.WordCountMap, Version: 1, Role: workfn.RoleMap})
//	env := workfn.NewEnvironment()
//	_ = env.Install(def)
//	kvs, _ := env.Map("0", "a a b") // [{a 1} {a 1} {b 1}]
package workfn
