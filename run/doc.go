/*
Package run executes programs as child processes and distributes their output to live viewers.

A Registry tracks at most one execution per program identifier. Starting a run supersedes the
previous execution of the same program: the old process is asked to terminate (without waiting
for it), the program's Channel and Buffer are replaced with fresh ones, and a new process is
launched through a Launcher.

Each execution gets two pumps, one per output stream. A pump reads its stream until it closes,
decodes the bytes as UTF-8 (invalid sequences become U+FFFD), and emits every chunk first into the
Channel and then into the Buffer it was bound to when the run started. Pumps of a superseded
execution keep draining their pipes, but the objects they write into have been replaced, so that
output never reaches a viewer.

The Channel is a competing-consumer queue: when several viewers follow the same program, each chunk
is delivered to exactly one of them. The Buffer keeps the whole output of the current run for
page loads that arrive after the run started.

Ordering is only guaranteed within a single stream of a single execution.
*/
package run
