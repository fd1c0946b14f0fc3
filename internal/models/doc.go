// package models defines the data model for the aria catalog proxy service
package models
