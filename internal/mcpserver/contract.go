package mcpserver

// AddressFormatContract describes the canonical document/version/part
// addressing scheme that LLM clients should follow when calling Noesis
// tools.
const AddressFormatContract = `# Noesis Address Format Contract

Every item Noesis tracks is addressed by an id string. There are three
address shapes:

## Document address

` + "```" + `
note/topic
project-x/decisions/2025-01-20
` + "```" + `

A plain id with no ` + "`" + `@` + "`" + ` suffix addresses a document's current state.
Ids are free-form strings; they MAY contain slashes. There is no
required directory structure or file extension — ids are identifiers,
not filesystem paths.

## Version address

` + "```" + `
note/topic@v3
` + "```" + `

Appending ` + "`" + `@v` + "`" + ` followed by an offset addresses an archived version
of a document, counting back from the present: ` + "`" + `@v0` + "`" + ` is the current
state, ` + "`" + `@v1` + "`" + ` the most recently archived one, ` + "`" + `@v2` + "`" + ` the one before
that. The current state (what ` + "`" + `get` + "`" + ` returns by default) is never
itself archived — it moves to offset 1 only once superseded by a later
` + "`" + `put` + "`" + `.

## Part address

` + "```" + `
note/topic@p2
` + "```" + `

Appending ` + "`" + `@p` + "`" + ` followed by a 1-based ordinal addresses a structural
part produced by ` + "`" + `analyze` + "`" + `. Parts are only present on documents long
or complex enough that the analyzer chose to decompose them; a short
document has no parts.

## Rules

1. **Tag keys are stored as written, values are free-form.** The vector
   index and ` + "`" + `find` + "`" + `'s tag filter casefold keys; ` + "`" + `tag` + "`" + ` with an
   empty string value deletes that key.
2. **Reserved tag prefix.** Keys starting with an underscore (for
   example ` + "`" + `_analyzed_hash` + "`" + `) are bookkeeping fields maintained by
   Noesis itself. Do not rely on writing them directly; they may be
   overwritten.
3. **Time filters accept two forms.** ` + "`" + `since` + "`" + `/` + "`" + `until` + "`" + ` take either
   an absolute ISO-8601 date/time or a duration token relative to now
   (` + "`" + `P7D` + "`" + ` = 7 days, ` + "`" + `PT1H` + "`" + ` = 1 hour).
4. **Put is always a write-or-version operation.** Calling ` + "`" + `put` + "`" + ` on
   an existing id archives its prior state as a new version before
   applying the new content; nothing is ever silently overwritten.
5. **Deletes are current-state by default.** ` + "`" + `delete` + "`" + ` removes a
   document's current state; pass ` + "`" + `delete_versions` + "`" + ` to also remove
   its archived versions, otherwise they remain addressable.
`
