package mcpserver

import "strings"

// ChangeFormatContract describes the JSON form of a change for LLM consumers
// of the submit_change tool. known lists the accepted typeName values.
func ChangeFormatContract(known []string) string {
	var b strings.Builder
	b.WriteString(`# Change Format Contract

A change is one JSON object. Every change carries three shared fields next to
its own fields:

` + "```" + `json
{
  "typeName": "TypeChange",        // REQUIRED - one of the types listed below
  "changedIds": ["<feature id>"],   // REQUIRED - ids the change touches
  "assembly": "<assembly id>",      // REQUIRED
  "featureId": "<feature id>",      // variant fields follow
  "oldType": "exon",
  "newType": "CDS"
}
` + "```" + `

## Rules

1. **Old values must match the current state.** Changes carry the value they
   replace (` + "`oldType`, `oldStart`, `oldEnd`, `oldStrand`, `oldAttributes`" + `). Read the
   feature with ` + "`get_feature`" + ` first; a stale old value is rejected as a conflict.
2. **Coordinates** are 0-based and half-open: ` + "`min`" + ` is inclusive, ` + "`max`" + ` exclusive.
3. **Strand** is 1, -1 or 0 (none).
4. **Feature ids** are 24 lowercase hex characters. New features need fresh ids.
5. **Children stay inside their parent.** A change that leaves a child outside
   its parent's range is reverted after it was applied.
6. Use ` + "`undo`" + ` to revert your last accepted change.

## Known change types

`)
	for _, name := range known {
		b.WriteString("- `" + name + "`\n")
	}
	return b.String()
}
