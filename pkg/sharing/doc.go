// Package sharing implements project invitations: high-entropy sharing
// tokens with expiry and use budgets, the acceptance workflow that turns a
// token into a collaborator row, collaborator role management, and ownership
// transfer.
//
// Every state change writes to the activity log; changes that must be atomic
// with their audit entry (token consumption, invitation acceptance,
// ownership transfer) commit in a single database transaction.
package sharing
