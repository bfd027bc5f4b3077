// Package schema is the type registry for strata storages.
//
// A Registry assigns every entity type a stable small TypeID, records the
// type's fields, supertypes, symbolic-key fields and match fields, and
// interns the Connection descriptors that relationships are keyed by. Two
// calls to Connect with the same (parent, child, cardinality, nullability)
// return the same *Connection, so connections compare by pointer.
//
// Registries are usually compiled from CUE:
//
//	entity: Module: {
//	    symbolic: ["name"]
//	    fields: { name: string, deps: [...] }
//	}
//	entity: Facet: { abstract: true }
//	entity: JavaFacet: { extends: ["Facet"], fields: { level: int } }
//	connection: moduleFacets: {
//	    parent: "Module", child: "Facet"
//	    cardinality: "one_to_abstract_many", nullable: false
//	}
//
// A registry must be frozen before a storage uses it. Freeze validates
// supertype references and precomputes assignability.
package schema
