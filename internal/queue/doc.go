// Package queue holds the control server's pending messages in FIFO order.
package queue
