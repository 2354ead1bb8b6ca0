// Package harness runs reconciliation scenarios written in YAML.
//
// A scenario declares tables, seeds persisted rows, runs one or more
// reconciliation passes and asserts on the outcome:
//
//	name: firewall-changed-and-new
//	description: "A changes state; B appears"
//	schema: |
//	  table: firewall_exceptions: {
//	    natural_key: "name"
//	    columns: { name: "text", date: "text", state: "text" }
//	  }
//	seed:
//	  firewall_exceptions:
//	    - { name: A, date: d1, state: "1" }
//	passes:
//	  - table: firewall_exceptions
//	    snapshot:
//	      - { name: A, date: d2, state: "2" }
//	      - { name: B, date: d2, state: "1" }
//	    expect:
//	      new: [B]
//	      changed: [A]
//	assertions:
//	  - type: final_state
//	    table: firewall_exceptions
//	    where: { name: A }
//	    expect: { state: "2" }
//	  - type: audit_contains
//	    line: 'ty_name="firewall_exceptions" new_entry="true" name="B" date="d2" state="1"'
//
// Without schema or schema_files the built-in fact tables are declared.
//
// # Assertion Types
//
//   - final_state: exactly one row matches where; expect is a subset match
//   - row_count: the table (optionally filtered by where) has count rows
//   - audit_contains: line appears verbatim in the audit output
//   - audit_count: count audit lines of kind new, changed, removed or error
//
// # Deterministic Testing
//
// Every scenario runs against a fresh in-memory database with a stepping
// clock and sequential run ids (run-0001, run-0002, ...), so the audit
// output is byte-stable and can be compared against a golden file.
package harness
