// Package epoch implements cooperative grace-period protection for the
// hybrid log.
//
// # Overview
//
// Goroutines bracket log access with Protect/Suspend. Writers that need to
// retire shared state (advance a safe address cursor, return page frames to
// the ring) call BumpCurrentEpoch with a drain action; the action fires once
// every goroutine that was protected in a prior epoch has suspended or
// refreshed to a later one.
//
// A goroutine's protection state lives in a fixed table of cache-padded
// entries claimed by goroutine id, so Protect and Suspend are wait-free in
// the common case and re-entrant protection is cheap to detect
// (ThisInstanceProtected).
//
// Contract: any mutation of the log's address cursors must happen while
// protected, and a protected goroutine that blocks waiting on log progress
// must call ProtectAndDrain (or Drain) in its wait loop so pending actions
// can fire.
package epoch
