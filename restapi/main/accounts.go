package main

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sharedcode/duet"
	"github.com/sharedcode/duet/database"
	"github.com/sharedcode/duet/restapi"
)

// newAccount is the POST /accounts request body.
type newAccount struct {
	ID      string  `json:"id" binding:"required"`
	Email   string  `json:"email" binding:"required"`
	Balance float64 `json:"balance"`
}

// registerAccounts adds the sample application method: one endpoint writing
// an account to the graph and relational stores atomically.
func registerAccounts(db *database.Database) {
	restapi.RegisterMethod(restapi.POST, "/accounts", postAccount(db))
}

// postAccount godoc
// @Summary postAccount creates an account in both stores atomically.
// @Schemes
// @Description postAccount stages an Account node and an accounts row in one coordinated transaction and commits them all-or-nothing.
// @Tags Accounts
// @Accept json
// @Produce json
// @Param			account	body		newAccount	true	"Account to create"
// @Failure 400 {object} map[string]any
// @Failure 409 {object} map[string]any
// @Failure 502 {object} map[string]any
// @Success 201 {object} map[string]any
// @Router /accounts [post]
// @Security Bearer
func postAccount(db *database.Database) func(c *gin.Context) {
	return func(c *gin.Context) {
		var in newAccount
		if err := c.ShouldBindJSON(&in); err != nil {
			c.IndentedJSON(http.StatusBadRequest, gin.H{"message": err.Error()})
			return
		}

		trans, err := db.BeginTransaction(c, "account-"+in.ID)
		if err != nil {
			// Duplicate transaction ids land here.
			c.IndentedJSON(http.StatusConflict, gin.H{"message": err.Error()})
			return
		}
		err = trans.PrepareGraph(c, []duet.Operation{{
			Kind:   duet.OpCreate,
			Entity: "Account",
			Key:    map[string]any{"id": in.ID},
			Values: map[string]any{"id": in.ID, "email": in.Email},
		}})
		if err != nil {
			c.IndentedJSON(prepareCode(err), gin.H{"message": err.Error()})
			return
		}
		err = trans.PrepareRelational(c, []duet.Operation{{
			Kind:   duet.OpCreate,
			Entity: "accounts",
			Key:    map[string]any{"id": in.ID},
			Values: map[string]any{"id": in.ID, "email": in.Email, "balance": in.Balance},
		}})
		if err != nil {
			c.IndentedJSON(prepareCode(err), gin.H{"message": err.Error()})
			return
		}
		status, err := trans.Commit(c)
		if err != nil {
			c.IndentedJSON(http.StatusBadGateway, gin.H{"message": err.Error(), "status": status.String()})
			return
		}
		c.IndentedJSON(http.StatusCreated, gin.H{"id": trans.ID(), "status": status.String()})
	}
}

// prepareCode maps a prepare failure to an HTTP status. A malformed batch is
// the caller's fault, everything else is a backend problem.
func prepareCode(err error) int {
	var de duet.Error
	if errors.As(err, &de) && de.Code == duet.Validation {
		return http.StatusBadRequest
	}
	return http.StatusBadGateway
}
