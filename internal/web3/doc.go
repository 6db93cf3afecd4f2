// Package web3 houses EVM connectivity for IntentArc: the chain client
// interface, the network manifest loader and the contract ABIs used to
// move stablecoins on Arc (ERC-20 transfers, the USYC vault and the FX router).
package web3
