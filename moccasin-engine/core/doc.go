// Package core provides the bounded worker pool used for outbound dials.
package core
