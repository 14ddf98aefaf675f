/*
Package sync coordinates a synchronization run.

A run selects a channel to the destination tree, learns which files each
mirror serves, and downloads the three catalogs concurrently. The assets the
catalogs list are then downloaded, verified, and installed, along with the
catalogs and their hash files.

Only one run is in progress at a time. Runs report their progress, log lines
and stage transitions to an Observer, and call the listeners registered with
OnComplete when they finish. A run that couldn't access the destination
doesn't call the listeners.
*/
package sync
