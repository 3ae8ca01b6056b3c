// Package permissions evaluates whether a user may act on a project.
//
// Evaluation is ownership-first: the project owner holds every permission
// without a collaborator lookup. Non-owners are resolved through their
// accepted collaborator row and the role permission sets in package roles.
// Every check is total — storage failures and missing rows evaluate to a
// denial rather than an error, so authorization call sites stay branch-free.
package permissions
