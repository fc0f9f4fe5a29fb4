/*
The mirror package implements the mirror synchronization engine. A run has
three strictly ordered phases:

1) Fetch the top-level index files from the remote.
2) Stream the package listing, filter its entries, and mirror each
   accepted archive (plus its CHECKSUMS side file) into the local tree.
   Freshly fetched archives are reported through a hook so that the
   expansion tree can be built in lockstep.
3) Sweep the local tree, deleting every file the run didn't vouch for.

The Tracker records, per mirror-relative path, how far the run got with
that file: Unseen paths were never referenced and are deleted by the
sweep; Checked paths were intentionally skipped because a local copy
already existed; Mirrored paths went through a fetch attempt (including
"not modified" answers, which prove the local copy is current).

Nothing here runs concurrently. Correctness relies on the phase order, not
on locking, so a run observes a fully settled state map by the time the
sweep starts.
*/
package mirror
