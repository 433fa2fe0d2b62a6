// Package ssh runs pipeline sandboxes on a remote host over SSH.
//
// Client keeps one multiplexed connection (optionally through a jump host)
// and reconnects after failures. Sandbox implements engine.Sandbox on top of
// it: every snapshot is a directory under Config.BaseDir holding a clone of
// the repository in workspace/ and a snapshot.json manifest written over SFTP.
package ssh
