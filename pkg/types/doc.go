// Package types defines the records stored in the network database.
package types
