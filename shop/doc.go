// Package shop is the amlume store backend: a catalog of categories and
// products on sqlite, an SMTP notification service, and a chi HTTP surface
// guarded by the authkit middleware. Reads are public; writes require an
// authenticated principal with the admin role.
//
// Prices are stored in minor units (cents) to avoid floating point money.
package shop
