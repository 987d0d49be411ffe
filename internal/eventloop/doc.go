// Package eventloop implements the single cooperative consumer goroutine that
// owns progress delivery. Any goroutine may Submit work or arm timers; all of
// it executes sequentially on the goroutine that called Run. Code already on
// the loop goroutine can Await a completion while continuing to service the
// queue, so blocking there never starves other loop work.
package eventloop
