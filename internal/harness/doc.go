// Package harness runs mirror scenarios: scripted sequences of mutations,
// resyncs and bucket changes applied to a fresh in-memory mirror, followed
// by assertions on the resulting document tree.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	bucket: photos            # optional, default "photos"
//	fieldPattern: "^size$"    # optional metadata filter for resyncs
//	start: 2024-05-01T10:00:00Z
//	objects:                  # present in the bucket before the flow
//	  - key: a/b.txt
//	    data: "hello"
//	flow:
//	  - op: create            # create | update | delete | resync | put | remove
//	    key: a/b.txt
//	    time: 2024-05-01T10:01:00Z
//	    metadata: { size: 5 }
//	    expect: applied
//	assertions:
//	  - type: item_exists
//	    key: a/b.txt
//	  - type: outcome_count
//	    outcome: stale
//	    count: 1
//
// # Assertion Types
//
//   - item_exists / item_absent: the object's item document is (not) live
//   - tombstone_exists: the object's item tombstone is live
//   - prefix_exists / prefix_absent: the prefix document is (not) live
//   - outcome_count: exactly count flow steps ended with outcome
//
// # Deterministic Testing
//
// Mutations carry their own timestamps and bucket writes read a
// testutil.StepClock, so the same scenario always produces the same tree.
// RunWithGolden compares that tree against testdata/golden/<name>.golden.
package harness
