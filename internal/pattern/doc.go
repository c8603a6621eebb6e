// Package pattern defines the data model of the pattern learning engine.
//
// A Pattern associates a trigger (keywords, description and an optional
// embedding) with a response template. Patterns move through a lifecycle:
//
//	NEW -> SUGGESTING -> AUTO_EXECUTABLE
//	  \________\______________\-> DEPRECATED -> ARCHIVED
//
// DEPRECATED patterns may only be reactivated to SUGGESTING. The invariant
// auto_executable => is_active && confidence >= promotion threshold is owned
// by the lifecycle package; this package only validates field-level shape.
//
// Templates use {name} placeholders. Runtime names (conversation_id, phone,
// date, time) come from the inbound event; slot names (url, price, ...) must
// have a stored value in TemplateVariables.
package pattern
