// Package model defines the polman domain types: policies, their subject,
// spec and action unions, lifecycle phases and events, violations and the
// classified errors returned by every other package.
//
// Subject, Spec and Action are closed unions. Each variant marshals its own
// "type" discriminator; decoding goes through DecodeSubject, DecodeSpec and
// DecodeAction so that the variant can also be inferred from the fields
// that are present.
package model
