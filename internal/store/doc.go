// Package store persists session result history for the controller.
package store
