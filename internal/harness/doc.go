// Package harness runs scripted workspace scenarios against the storage
// builder.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: rename_module
//	description: "Renaming a module keeps its id and rewrites links"
//	schema: ../schema/workspace.cue
//	consistency: always
//	steps:
//	  - add: {type: Module, as: app, source: local, fields: {name: app, type: java}}
//	  - snapshot: true
//	  - modify: {entity: app, set: {name: core}}
//	assertions:
//	  - type: exists
//	    entity: app
//	    symbolic: {type: Module, key: core}
//	  - type: changes
//	    replaced: 1
//
// Entities are named by the alias given with "as", or by a symbolic id
// mapping {type, key}. A source is either a bare kind or {kind, url,
// placeholder}. A step may carry "error" with the storage error code it
// must fail with.
//
// # Steps
//
//   - add: type, as, source, fields, parents [{connection, of}]
//   - modify: entity, set, source
//   - remove: entity
//   - add_child: connection, parent (omit to detach), child
//   - replace_children: connection, parent, children
//   - snapshot: freeze and continue on a builder derived from the snapshot
//   - replace_by_source: filter (an expr source predicate), with [steps]
//   - apply_changes: [steps] run on a builder derived from the current
//     content, then replayed onto it
//
// Steps nested under replace_by_source start with no aliases. Steps under
// apply_changes see the enclosing aliases; aliases they define stay local.
//
// # Assertion Types
//
//   - consistent, has_changes, same_entities: compare against want (default true)
//   - count: entities of entity_type (or all) equal count
//   - exists, absent: entity is (not) live; with symbolic, both refs name the same id
//   - field: entity's field equals value
//   - source: entity's source equals source
//   - children: the child list of parent in connection, as children refs or
//     as the field values of each child
//   - changes: added, removed and replaced counts since the last snapshot
//
// # Golden Files
//
// RunWithGolden compares the step trace, change counts and storage.Dump of
// the result against testdata/golden/<name>.golden. Run tests with -update
// to regenerate them.
package harness
